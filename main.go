package main

import (
	"os"

	_ "git.handmade.network/hmn/heapkeeper/src/admintools"
	"git.handmade.network/hmn/heapkeeper/src/cli"
	_ "git.handmade.network/hmn/heapkeeper/src/fsck"
	_ "git.handmade.network/hmn/heapkeeper/src/mail"
	_ "git.handmade.network/hmn/heapkeeper/src/migration"
)

func main() {
	if err := cli.RootCommand.Execute(); err != nil {
		os.Exit(1)
	}
}
