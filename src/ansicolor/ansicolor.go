package ansicolor

import "runtime"

// Only the codes the console log writer uses. Windows consoles get nothing.

var Reset = "\033[0m"
var Bold = "\033[1m"

var Red = "\033[31m"
var Blue = "\033[34m"
var Gray = "\033[37m"

var BgRed = "\033[41m"
var BgYellow = "\033[43m"
var BgBlue = "\033[44m"

func init() {
	if runtime.GOOS == "windows" {
		Reset = ""
		Bold = ""
		Red = ""
		Blue = ""
		Gray = ""
		BgRed = ""
		BgYellow = ""
		BgBlue = ""
	}
}
