// SPDX-License-Identifier: MIT

package main

import (
	"os"

	"github.com/frlproxy/frlproxy/cmd/frlproxy/commands"
)

func main() {
	os.Exit(commands.Execute())
}
