// Package hsm provides a gp.Provider backed by a PKCS#11 token. Keys are
// created, unwrapped and wrapped inside the token and never leave it in
// clear; gp only sees cipher.Block handles.
//
// The provider is built with the pkcs11 build tag:
//
//	go build -tags pkcs11 ./...
//
// DES3 keys held in the token expose no single-DES half, so SCP02 retail
// MACs still need software keys for C-MAC and R-MAC.
package hsm
