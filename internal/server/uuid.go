package server

import (
	"crypto/md5"
	"encoding/hex"
)

// PeerKey composes the registry key material for a peer: the announced name
// plus the TCP source address the server observed.
func PeerKey(name, ip string) string {
	return name + "+" + ip
}

// PeerUUID derives a peer's uuid: the md5 hex digest of its PeerKey. The
// uuid is a pure function of (name, ip); it carries no identity guarantee
// beyond that.
func PeerUUID(name, ip string) string {
	sum := md5.Sum([]byte(PeerKey(name, ip)))
	return hex.EncodeToString(sum[:])
}
