/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package main

import (
	"github.com/ssargent/reactivedb/cmd/reactivedb/cmd"
)

func main() {
	cmd.Execute()
}
