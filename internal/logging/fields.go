package logging

// cloneFields copies the source fields map so With* methods never share
// state with their parent logger. Returns an empty map for nil/empty src.
func cloneFields(src map[string]interface{}) map[string]interface{} {
	if len(src) == 0 {
		return make(map[string]interface{})
	}
	dst := make(map[string]interface{}, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
