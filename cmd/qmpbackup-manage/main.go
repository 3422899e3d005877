package main

import "github.com/mulgadc/qmpbackup/cmd/qmpbackup-manage/cmd"

func main() {
	cmd.Execute()
}
