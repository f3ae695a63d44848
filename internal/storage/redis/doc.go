// Package redis provides the distributed leader lock used when several
// dispatcher replicas share one Redis deployment.
package redis
