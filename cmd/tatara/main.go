package main

import "tatara/internal/tatara"

func main() {
	tatara.Main()
}
