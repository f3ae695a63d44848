// Package payment defines the payment request and confirmation event types
// exchanged between payers and the dispatcher, together with the contract
// binding used to encode payments and decode their confirmation logs.
package payment
