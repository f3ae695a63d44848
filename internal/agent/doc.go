// Package agent executes the task a payer paid for. Tasks are looked up by
// name in a handler registry; built-in handlers cover the text tasks of the
// demo agents and an optional LLM-backed script generator.
package agent
