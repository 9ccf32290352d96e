package state

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
)

type Kind string

const (
	KindWall         Kind = "wall"
	KindDoor         Kind = "door"
	KindWindow       Kind = "window"
	KindRoom         Kind = "room"
	KindProjectState Kind = "project-state"
)

// Variant is one typed reading of a Value.
type Variant interface {
	Kind() Kind
}

type Point struct {
	X float64 `json:"x" mapstructure:"x"`
	Y float64 `json:"y" mapstructure:"y"`
	Z float64 `json:"z,omitempty" mapstructure:"z"`
}

type Wall struct {
	Length    float64 `json:"length,omitempty" mapstructure:"length"`
	Height    float64 `json:"height,omitempty" mapstructure:"height"`
	Thickness float64 `json:"thickness,omitempty" mapstructure:"thickness"`
	Material  string  `json:"material,omitempty" mapstructure:"material"`
	Start     *Point  `json:"start,omitempty" mapstructure:"start"`
	End       *Point  `json:"end,omitempty" mapstructure:"end"`
}

func (Wall) Kind() Kind { return KindWall }

type Door struct {
	WallID string  `json:"wallId,omitempty" mapstructure:"wallId"`
	Width  float64 `json:"width,omitempty" mapstructure:"width"`
	Height float64 `json:"height,omitempty" mapstructure:"height"`
	Swing  string  `json:"swing,omitempty" mapstructure:"swing"`
}

func (Door) Kind() Kind { return KindDoor }

type Window struct {
	WallID     string  `json:"wallId,omitempty" mapstructure:"wallId"`
	Width      float64 `json:"width,omitempty" mapstructure:"width"`
	Height     float64 `json:"height,omitempty" mapstructure:"height"`
	SillHeight float64 `json:"sillHeight,omitempty" mapstructure:"sillHeight"`
}

func (Window) Kind() Kind { return KindWindow }

type Room struct {
	Name  string  `json:"name,omitempty" mapstructure:"name"`
	Area  float64 `json:"area,omitempty" mapstructure:"area"`
	Level int     `json:"level,omitempty" mapstructure:"level"`
}

func (Room) Kind() Kind { return KindRoom }

// ProjectState is the whole-project snapshot written when a version is restored.
type ProjectState struct {
	Snapshot Value `json:"snapshot,omitempty" mapstructure:"snapshot"`
}

func (ProjectState) Kind() Kind { return KindProjectState }

// Opaque carries objects of kinds the core has no schema for.
type Opaque struct {
	Type   Kind
	Fields Value
}

func (o Opaque) Kind() Kind { return o.Type }

// Decode reads v as the variant for objectType. Unknown kinds decode to Opaque.
// Extra fields are tolerated; fields of the wrong shape are an error.
func Decode(objectType string, v Value) (Variant, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(objectType)))
	var target Variant
	switch kind {
	case KindWall:
		target = &Wall{}
	case KindDoor:
		target = &Door{}
	case KindWindow:
		target = &Window{}
	case KindRoom:
		target = &Room{}
	case KindProjectState:
		if _, wrapped := v["snapshot"]; !wrapped {
			return ProjectState{Snapshot: v.Clone()}, nil
		}
		target = &ProjectState{}
	default:
		return Opaque{Type: kind, Fields: v.Clone()}, nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("build decoder: %w", err)
	}
	if err := decoder.Decode(map[string]any(v)); err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}

	switch item := target.(type) {
	case *Wall:
		return *item, nil
	case *Door:
		return *item, nil
	case *Window:
		return *item, nil
	case *Room:
		return *item, nil
	case *ProjectState:
		return *item, nil
	}
	return nil, fmt.Errorf("decode %s: unsupported kind", kind)
}

// Validate reports whether v has the shape Decode expects for objectType.
func Validate(objectType string, v Value) error {
	_, err := Decode(objectType, v)
	return err
}
