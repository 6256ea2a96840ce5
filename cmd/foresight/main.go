// Command foresight coordinates research subtasks into probability
// assessments.
package main

func main() {
	Execute()
}
