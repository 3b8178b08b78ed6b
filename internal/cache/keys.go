package cache

// Keys builds namespaced cache keys.
type Keys struct {
	Prefix string
}

// Config is the key holding a serialized configuration.
func (k Keys) Config(id string) string {
	return k.Prefix + "config:" + id
}

// Default is the key holding the configuration id a scope points at.
func (k Keys) Default(scope string) string {
	return k.Prefix + "default:" + scope
}
