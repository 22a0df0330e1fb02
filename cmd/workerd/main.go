package main

import (
	"github.com/dlhauer/zulip/internal/runtime"
)

func main() {
	runtime.NewSubscriber().Run()
}
