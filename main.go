package main

import "cloud-admin/cmd"

func main() {
	cmd.Execute()
}
