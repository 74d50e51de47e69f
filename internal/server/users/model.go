package users

// User is one registered identity. Salt and Verifier come from Argon2id
// credential derivation; the server never stores a password. PublicKey is
// the base64 PKIX key uploaded at login, empty until first upload.
type User struct {
	ID        string
	Salt      []byte
	Verifier  []byte
	PublicKey string
}
