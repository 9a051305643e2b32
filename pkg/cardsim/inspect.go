package cardsim

// InjectStatus makes the next len(sw) commands answer with the given status
// words without being processed.
func (c *Card) InjectStatus(sw ...uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.injected = append(c.injected, sw...)
}

// Commands returns the number of APDUs received.
func (c *Card) Commands() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commands
}

// Object returns a copy of an object's contents.
func (c *Card) Object(id uint32) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	obj, ok := c.objects[id]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.data...), true
}

// Pin returns a PIN value and its retry limit.
func (c *Card) Pin(number byte) (value []byte, maxRetries byte, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pins[number]
	if !ok {
		return nil, 0, false
	}
	return append([]byte(nil), p.value...), p.maxRetries, true
}

// PrivateKey returns the blob stored in a private key slot.
func (c *Card) PrivateKey(slot byte) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k, ok := c.privKeys[slot]
	return append([]byte(nil), k...), ok
}

func (c *Card) IssuerInfo() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.issuerInfo...)
}

func (c *Card) Lifecycle() byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lifecycle
}

// Package returns a loaded load file.
func (c *Card) Package(aid []byte) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.packages[string(aid)]
	return append([]byte(nil), p...), ok
}

// HasApplet reports whether an applet instance is installed.
func (c *Card) HasApplet(aid []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.applets[string(aid)]
	return ok
}

// KeySet returns the static key set with the given version.
func (c *Card) KeySet(version byte) (KeySet, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ks := range c.keySets {
		if ks.Version == version {
			return ks, true
		}
	}
	return KeySet{}, false
}
