package main

import "github.com/oshokin/server-provisioner/cmd/server-provisioner/cmd"

func main() {
	cmd.Execute()
}
