package action

import "crypto/ed25519"

// Sign computes msg's wire signature in place (spec §4.2a per-message
// authentication), setting SignerKey to priv's public half and
// Signature to the Ed25519 signature over the encoded message with
// Signature itself cleared. Grounded on the teacher's
// Envelope.Sign/Verify pattern (protocol/go/envelopes.go): sign the
// marshaled form with the signature field blanked, not a separate
// digest.
func Sign(msg *Message, priv ed25519.PrivateKey) error {
	msg.SignerKey = append([]byte(nil), priv.Public().(ed25519.PublicKey)...)
	msg.Signature = nil
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	msg.Signature = ed25519.Sign(priv, data)
	return nil
}

// Verify reports whether msg's Signature validates against its own
// embedded SignerKey. It does not establish that SignerKey actually
// belongs to msg.SourceID — callers (the transport) are responsible for
// pinning SignerKey to SourceID on first contact and rejecting a
// change (spec §4.2a, §9 "once disconnected, cannot rejoin" policy
// extended to signer identity).
func Verify(msg *Message) bool {
	if len(msg.Signature) == 0 || len(msg.SignerKey) != ed25519.PublicKeySize {
		return false
	}
	cp := *msg
	cp.Signature = nil
	data, err := Encode(&cp)
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(msg.SignerKey), data, msg.Signature)
}
