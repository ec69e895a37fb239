// Package fixture reads study documents written in YAML: a study's entity tree, its variables
// and optionally the entity records. Documents feed the import command and the tests.
package fixture

import (
	"fmt"
	"io"
	"os"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/veupathdb/edasubset/pkg/study"
)

// Document is the top level of a study YAML file.
type Document struct {
	ID           string                    `json:"id"`
	SourceType   study.SourceType          `json:"sourceType"`
	LastModified time.Time                 `json:"lastModified"`
	Root         Entity                    `json:"root"`
	Records      map[string][]study.Record `json:"records,omitempty"`
}

type Entity struct {
	ID                    string               `json:"id"`
	DisplayName           string               `json:"displayName"`
	IDColumnName          string               `json:"idColumnName"`
	IsManyToOneWithParent bool                 `json:"isManyToOneWithParent,omitempty"`
	Variables             []study.VariableSpec `json:"variables,omitempty"`
	Collections           []Collection         `json:"collections,omitempty"`
	Children              []Entity             `json:"children,omitempty"`
}

type Collection struct {
	ID                string   `json:"id"`
	DisplayName       string   `json:"displayName"`
	MemberVariableIDs []string `json:"memberVariableIds"`
}

// Parse decodes a YAML study document.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.UnmarshalStrict(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse study document: %w", err)
	}
	if doc.SourceType == "" {
		doc.SourceType = study.Curated
	}
	return &doc, nil
}

// Read decodes a YAML study document from r.
func Read(r io.Reader) (*Document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// ReadFile decodes the YAML study document at path.
func ReadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Study builds the immutable study model described by the document.
func (d *Document) Study() (*study.Study, error) {
	root, err := d.Root.build()
	if err != nil {
		return nil, err
	}
	return study.New(d.ID, d.SourceType, d.LastModified, root)
}

// Overview summarizes the document the way the authoritative source does.
func (d *Document) Overview() study.Overview {
	return study.Overview{ID: d.ID, SourceType: d.SourceType, LastModified: d.LastModified}
}

func (e Entity) build() (*study.Entity, error) {
	out := &study.Entity{
		ID:                    e.ID,
		DisplayName:           e.DisplayName,
		IDColumnName:          e.IDColumnName,
		IsManyToOneWithParent: e.IsManyToOneWithParent,
	}

	for _, spec := range e.Variables {
		v, err := spec.Build(e.ID)
		if err != nil {
			return nil, fmt.Errorf("entity %s: %w", e.ID, err)
		}
		out.Variables = append(out.Variables, v)
	}

	for _, c := range e.Collections {
		out.Collections = append(out.Collections, study.Collection{
			ID:                c.ID,
			DisplayName:       c.DisplayName,
			MemberVariableIDs: c.MemberVariableIDs,
		})
	}

	for _, child := range e.Children {
		built, err := child.build()
		if err != nil {
			return nil, err
		}
		out.Children = append(out.Children, built)
	}

	return out, nil
}
