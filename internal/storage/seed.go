package storage

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// seedFile is the user dump format accepted by `fabaccessd serve --load`:
//
//	users:
//	  alice:
//	    roles: [laser, member]
type seedFile struct {
	Users map[string]struct {
		Roles []string `yaml:"roles"`
	} `yaml:"users"`
}

// LoadSeed bulk-imports user/role assignments from a configuration dump.
// Existing entries for the listed users are overwritten. Returns the number
// of users imported.
func (s *BadgerStore) LoadSeed(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("storage: seed: %w", err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return 0, fmt.Errorf("storage: seed %s: %w", path, err)
	}
	n := 0
	for user, data := range seed.Users {
		if err := s.PutUser(user, data.Roles); err != nil {
			return n, err
		}
		n++
	}
	s.log.Info("user seed imported", zap.String("path", path), zap.Int("users", n))
	return n, nil
}
