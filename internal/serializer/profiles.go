package serializer

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"device-command-service/internal/model"
)

// profilesFile is the on-disk layout of a serialization profiles document:
//
//	profiles:
//	  arduino_mega:
//	    format: arduino
//	    encoding: ascii
//	    options:
//	      separator: ";"
type profilesFile struct {
	Profiles map[string]model.SerializationConfig `yaml:"profiles"`
}

// LoadProfiles registers every profile in the yaml document. Registration stops
// at the first invalid profile.
func (s *Serializer) LoadProfiles(r io.Reader) (int, error) {
	var doc profilesFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if err == io.EOF {
			return 0, nil
		}
		return 0, fmt.Errorf("parse serialization profiles: %w", err)
	}

	count := 0
	for deviceType, cfg := range doc.Profiles {
		if err := s.RegisterConfig(deviceType, cfg); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// LoadProfilesFile reads profiles from path
func (s *Serializer) LoadProfilesFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open serialization profiles: %w", err)
	}
	defer f.Close()

	n, err := s.LoadProfiles(f)
	if err != nil {
		return n, err
	}
	s.logger.Info("Serialization profiles loaded", zap.String("path", path), zap.Int("count", n))
	return n, nil
}
