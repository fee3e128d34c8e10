// nsrpcctl is the command-line client for the nsrpc mesh.
package main

import "github.com/nsrpc/nsrpc/cmd/nsrpcctl/commands"

func main() {
	commands.Execute()
}
