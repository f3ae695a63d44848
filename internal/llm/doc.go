// Package llm abstracts the language model behind the generate_script task
// handler.
package llm
