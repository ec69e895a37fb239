// Package metadata renders study models as the JSON documents of the metadata endpoints.
package metadata

import (
	"time"

	"github.com/veupathdb/edasubset/pkg/study"
)

type StudiesResponse struct {
	Studies []study.Overview `json:"studies"`
}

type Study struct {
	ID           string           `json:"id"`
	SourceType   study.SourceType `json:"sourceType"`
	LastModified time.Time        `json:"lastModified"`
	RootEntity   Entity           `json:"rootEntity"`
}

type Entity struct {
	ID                    string               `json:"id"`
	DisplayName           string               `json:"displayName"`
	IDColumnName          string               `json:"idColumnName"`
	AncestorPkColumnNames []string             `json:"ancestorPkColumnNames"`
	IsManyToOneWithParent bool                 `json:"isManyToOneWithParent"`
	Variables             []study.VariableSpec `json:"variables"`
	Collections           []Collection         `json:"collections"`
	Children              []Entity             `json:"children,omitempty"`
}

type Collection struct {
	ID                string   `json:"id"`
	DisplayName       string   `json:"displayName"`
	MemberVariableIDs []string `json:"memberVariableIds"`
}

// StudyOf renders s with its whole entity tree.
func StudyOf(s *study.Study) Study {
	return Study{
		ID:           s.ID,
		SourceType:   s.SourceType,
		LastModified: s.LastModified,
		RootEntity:   EntityOf(s.Root, true),
	}
}

// EntityOf renders e. Children are included, recursively, only when withChildren is set.
func EntityOf(e *study.Entity, withChildren bool) Entity {
	out := Entity{
		ID:                    e.ID,
		DisplayName:           e.DisplayName,
		IDColumnName:          e.IDColumnName,
		AncestorPkColumnNames: e.AncestorPkColumnNames,
		IsManyToOneWithParent: e.IsManyToOneWithParent,
		Variables:             make([]study.VariableSpec, 0, len(e.Variables)),
		Collections:           make([]Collection, 0, len(e.Collections)),
	}
	if out.AncestorPkColumnNames == nil {
		out.AncestorPkColumnNames = []string{}
	}

	for _, v := range e.Variables {
		out.Variables = append(out.Variables, study.SpecOf(v))
	}
	for _, c := range e.Collections {
		out.Collections = append(out.Collections, Collection(c))
	}

	if withChildren {
		for _, child := range e.Children {
			out.Children = append(out.Children, EntityOf(child, true))
		}
	}
	return out
}
