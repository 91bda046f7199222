package api

// ResolveConversationID derives the conversation id shared by a and b: the
// larger id followed by the smaller one. The result does not depend on
// argument order. When a == b the id is simply doubled.
func ResolveConversationID(a string, b string) string {
	if a > b {
		return a + b
	}
	return b + a
}
