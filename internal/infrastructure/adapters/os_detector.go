package adapters

import (
	"bufio"
	"fmt"
	"strings"

	"nmstate-agent/internal/domain/errors"
	"nmstate-agent/internal/domain/interfaces"
)

// DefaultOSReleasePath is read when no override is configured
const DefaultOSReleasePath = "/etc/os-release"

// RealOSDetector is an OSDetector implementation that detects the actual OS
type RealOSDetector struct {
	fileSystem  interfaces.FileSystem
	releasePath string
}

// NewRealOSDetector creates a new RealOSDetector reading releasePath (DefaultOSReleasePath when empty)
func NewRealOSDetector(fs interfaces.FileSystem, releasePath string) interfaces.OSDetector {
	if releasePath == "" {
		releasePath = DefaultOSReleasePath
	}
	return &RealOSDetector{
		fileSystem:  fs,
		releasePath: releasePath,
	}
}

// DetectOS returns the OS family which decides the state backend
func (d *RealOSDetector) DetectOS() (interfaces.OSType, error) {
	releaseInfo, err := d.parseOSRelease()
	if err != nil {
		return "", errors.NewSystemError(fmt.Sprintf("OS detection failed: cannot read %s", d.releasePath), err)
	}

	id, ok := releaseInfo["ID"]
	if !ok {
		return "", errors.NewSystemError(fmt.Sprintf("OS detection failed: no ID field in %s", d.releasePath), nil)
	}
	idLike := releaseInfo["ID_LIKE"]

	switch {
	case id == "ubuntu" || id == "debian" || strings.Contains(idLike, "ubuntu"):
		return interfaces.OSTypeUbuntu, nil
	case id == "rhel" || id == "centos" || id == "rocky" || id == "almalinux" || id == "fedora" ||
		strings.Contains(idLike, "rhel") || strings.Contains(idLike, "fedora"):
		return interfaces.OSTypeRHEL, nil
	}

	return "", errors.NewSystemError(fmt.Sprintf("unsupported OS type. ID: '%s', ID_LIKE: '%s'", id, idLike), nil)
}

func (d *RealOSDetector) parseOSRelease() (map[string]string, error) {
	content, err := d.fileSystem.ReadFile(d.releasePath)
	if err != nil {
		return nil, err
	}

	releaseInfo := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(string(content)))
	for scanner.Scan() {
		key, value, found := strings.Cut(scanner.Text(), "=")
		if !found {
			continue
		}
		releaseInfo[strings.TrimSpace(key)] = strings.Trim(strings.TrimSpace(value), "\"")
	}

	return releaseInfo, scanner.Err()
}
