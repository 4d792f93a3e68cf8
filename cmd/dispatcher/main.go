// Command dispatcher runs the task dispatcher service.
package main

func main() {
	Execute()
}
