// Churn - cloud resource churn reports
// Fetch. Classify. Count.
package main

func main() {
	Execute()
}
