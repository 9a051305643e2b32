//go:build !pkcs11

package main

import (
	"fmt"

	"github.com/barnettlynn/gpscp/pkg/gp"
)

func openHSM(gp.KeySpec) (gp.Provider, *gp.SymmetricKey, func(), error) {
	return nil, nil, nil, fmt.Errorf("perso was built without PKCS#11 support; rebuild with -tags pkcs11")
}
