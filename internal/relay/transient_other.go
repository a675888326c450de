//go:build !unix

package relay

func isTransient(op string, err error) bool {
	return false
}
