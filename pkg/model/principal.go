package model

// RecoveryPrincipalID is the fixed sentinel identity of the administrative
// recovery key pair. Its wrap secret is the admin-chosen recovery passphrase,
// independent of any user's login password.
const RecoveryPrincipalID = "recovery"

// IsRecovery reports whether the given principal id is the recovery sentinel.
func IsRecovery(principalID string) bool {
	return principalID == RecoveryPrincipalID
}
