package main

import "github.com/ValentinKolb/dRep/cmd"

func main() {
	cmd.Execute()
}
