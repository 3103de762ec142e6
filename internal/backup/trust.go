package backup

import (
	"github.com/arko-chat/arko-backup/internal/secrets"
	"maunium.net/go/mautrix/id"
)

// TrustState is the device's belief about the server's current backup.
type TrustState int

const (
	TrustAbsent TrustState = iota
	TrustUnverified
	TrustTrusted
	TrustSuperseded
)

func (s TrustState) String() string {
	switch s {
	case TrustAbsent:
		return "Absent"
	case TrustUnverified:
		return "Unverified"
	case TrustTrusted:
		return "Trusted"
	case TrustSuperseded:
		return "Superseded"
	}
	return "Unknown"
}

// Verdict is the outcome of evaluating one server version against the
// locally cached secrets.
type Verdict struct {
	State   TrustState
	Version *Version
	// MatchedSecret names the cached secret whose public key matched.
	MatchedSecret string
	// SignatureValid is set when the auth data carries a valid signature
	// by the cached cross-signing master key.
	SignatureValid bool
}

type Evaluator struct {
	crypto Crypto
	userID id.UserID
}

func NewEvaluator(crypto Crypto, userID id.UserID) *Evaluator {
	return &Evaluator{crypto: crypto, userID: userID}
}

// Evaluate is a pure function of the snapshot and the server version.
// Trusted requires a cached private key whose public key equals the one
// in the version's auth data; nothing else is sufficient.
func (e *Evaluator) Evaluate(cached secrets.Snapshot, server *Version) Verdict {
	if server == nil {
		return Verdict{State: TrustAbsent}
	}

	verdict := Verdict{State: TrustUnverified, Version: server.clone()}
	if master, ok := cached.Keys[secrets.CrossSigningMaster]; ok && len(server.AuthData.Signatures) > 0 {
		verdict.SignatureValid = e.crypto.VerifyAuthData(server.AuthData, e.userID, master)
	}

	if server.Algorithm == id.KeyBackupAlgorithmMegolmBackupV1 && server.AuthData.PublicKey != "" {
		for _, name := range cached.Names() {
			if name == secrets.CrossSigningMaster ||
				name == secrets.CrossSigningSelfSigning ||
				name == secrets.CrossSigningUserSigning ||
				name == secrets.RecoveryKey {
				continue
			}
			pub, err := e.crypto.PublicKey(cached.Keys[name])
			if err != nil {
				continue
			}
			if pub == server.AuthData.PublicKey {
				verdict.State = TrustTrusted
				verdict.MatchedSecret = name
				return verdict
			}
		}
	}

	if cached.TrustedVersion != "" && cached.TrustedVersion != server.ID {
		verdict.State = TrustSuperseded
	}
	return verdict
}
