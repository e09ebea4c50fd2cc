// Package main is the kibble command line client for agent sessions.
package main

func main() {
	Execute()
}
