package main

import "github.com/mulgadc/qmpbackup/cmd/qmpbackup/cmd"

func main() {
	cmd.Execute()
}
