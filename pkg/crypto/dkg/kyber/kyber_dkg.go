// Package kyberdkg generates long-term Ed25519-curve signing keypairs
// for DKG participants, on the same curve/hash suite
// (edwards25519.NewBlakeSHA256Ed25519) the Feldman-commitment DKG
// literature this corpus draws from builds its threshold machinery on.
package kyberdkg

import (
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/group/edwards25519"
	"go.dedis.ch/kyber/v3/util/random"
)

// Node is a participant's long-term signing identity: a keypair
// generated once at setup and reused by whatever protocol needs a
// durable, verifiable identity for that participant (e.g. bootstrap
// directory endorsement).
type Node struct {
	ID   int
	Priv kyber.Scalar // long-term private key for signing
	Pub2 kyber.Point  // long-term public key for verification
}

// NewNode generates a fresh long-term signing keypair for participant id.
func NewNode(id int) *Node {
	suite := edwards25519.NewBlakeSHA256Ed25519()
	stream := random.New()
	priv := suite.Scalar().Pick(stream)
	pub := suite.Point().Mul(priv, nil)
	return &Node{ID: id, Priv: priv, Pub2: pub}
}
