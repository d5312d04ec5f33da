package main

import "github.com/ngld/markbuild/pkg/buildsys/cmd"

func main() {
	cmd.Execute()
}
