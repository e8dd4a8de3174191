package main

import "github.com/hivechat/hivechat/cmd"

func main() {
	cmd.Execute()
}
