package elicitation

import "fmt"

// Provenance prefixes a message with its originating service so users can
// always tell which child produced it.
func Provenance(serviceName, message string) string {
	return fmt.Sprintf("[%s] %s", serviceName, message)
}
