// Package binaryfiles reads and writes the per-entity binary artifacts used by the file backend.
//
// Artifacts live under a root directory as <root>/<studyId>/<entityId>/ with one id map, one
// ancestor file for every non-root entity and one file per variable.
package binaryfiles

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	IDMapFileName    = "ids_map.bin"
	AncestorFileName = "ancestors.bin"

	variableFilePrefix = "var_"
	fileExtension      = ".bin"
)

// Checker answers the existence contract of the binary artifacts.
type Checker interface {
	StudyHasFiles(studyID string) bool
	EntityDirExists(studyID, entityID string) bool
	IDMapFileExists(studyID, entityID string) bool
	AncestorFileExists(studyID, entityID string) bool
	VariableFileExists(studyID, entityID, variableID string) bool
}

// Layout resolves artifact paths under a root directory.
type Layout struct {
	root string
}

var _ Checker = (*Layout)(nil)

func NewLayout(root string) *Layout {
	return &Layout{root: root}
}

func (l *Layout) Root() string {
	return l.root
}

func (l *Layout) StudyDir(studyID string) string {
	return filepath.Join(l.root, studyID)
}

func (l *Layout) EntityDir(studyID, entityID string) string {
	return filepath.Join(l.root, studyID, entityID)
}

func (l *Layout) IDMapFile(studyID, entityID string) string {
	return filepath.Join(l.EntityDir(studyID, entityID), IDMapFileName)
}

func (l *Layout) AncestorFile(studyID, entityID string) string {
	return filepath.Join(l.EntityDir(studyID, entityID), AncestorFileName)
}

func (l *Layout) VariableFile(studyID, entityID, variableID string) string {
	return filepath.Join(l.EntityDir(studyID, entityID), variableFilePrefix+variableID+fileExtension)
}

func (l *Layout) StudyHasFiles(studyID string) bool {
	return validName(studyID) && isDir(l.StudyDir(studyID))
}

func (l *Layout) EntityDirExists(studyID, entityID string) bool {
	return validName(studyID, entityID) && isDir(l.EntityDir(studyID, entityID))
}

func (l *Layout) IDMapFileExists(studyID, entityID string) bool {
	return validName(studyID, entityID) && isFile(l.IDMapFile(studyID, entityID))
}

func (l *Layout) AncestorFileExists(studyID, entityID string) bool {
	return validName(studyID, entityID) && isFile(l.AncestorFile(studyID, entityID))
}

func (l *Layout) VariableFileExists(studyID, entityID, variableID string) bool {
	return validName(studyID, entityID, variableID) && isFile(l.VariableFile(studyID, entityID, variableID))
}

// validName rejects ids that would resolve outside their parent directory.
func validName(names ...string) bool {
	for _, n := range names {
		if n == "" || n == "." || n == ".." || strings.ContainsAny(n, `/\`) {
			return false
		}
	}
	return true
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
