// Command rendezvous runs and inspects rendezvous peers.
package main

import "github.com/sarchlab/rendezvous/rendezvous/cmd"

func main() {
	cmd.Execute()
}
