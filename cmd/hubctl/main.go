// Command hubctl builds, signs, inspects and verifies hub images and
// manages the host key database.
package main

func main() {
	execute()
}
