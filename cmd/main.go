// Command rollcall runs the attendance recognition service and its
// operator tooling.
package main

func main() {
	Execute()
}
