package mechanical

import (
	"archive/zip"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const modelDescriptionFile = "modelDescription.xml"

// ErrNoModelDescription is returned when an archive has no modelDescription.xml.
var ErrNoModelDescription = errors.New("mechanical: archive has no " + modelDescriptionFile)

// ModelDescription lists the variables a unit exposes.
type ModelDescription struct {
	XMLName      xml.Name      `xml:"fmiModelDescription"`
	FMIVersion   string        `xml:"fmiVersion,attr"`
	ModelName    string        `xml:"modelName,attr"`
	GUID         string        `xml:"guid,attr"`
	CoSimulation *CoSimulation `xml:"CoSimulation"`
	Variables    []Variable    `xml:"ModelVariables>ScalarVariable"`
}

// CoSimulation is the co-simulation capability element of a model description.
type CoSimulation struct {
	ModelIdentifier string `xml:"modelIdentifier,attr"`
}

// Variable is a scalar variable with its value reference.
type Variable struct {
	Name           string         `xml:"name,attr"`
	ValueReference ValueReference `xml:"valueReference,attr"`
	Causality      string         `xml:"causality,attr"`
	Variability    string         `xml:"variability,attr"`
	Description    string         `xml:"description,attr"`
	Real           *Real          `xml:"Real"`
}

// Real holds the attributes of a real-typed variable.
type Real struct {
	Start *float64 `xml:"start,attr"`
	Unit  string   `xml:"unit,attr"`
}

// Lookup returns the value reference of the named variable.
func (d ModelDescription) Lookup(name string) (ValueReference, bool) {
	for _, v := range d.Variables {
		if v.Name == name {
			return v.ValueReference, true
		}
	}
	return 0, false
}

// Names returns the variable names in declaration order.
func (d ModelDescription) Names() []string {
	names := make([]string, 0, len(d.Variables))
	for _, v := range d.Variables {
		names = append(names, v.Name)
	}
	return names
}

// ParseModelDescription decodes a modelDescription.xml document.
func ParseModelDescription(data []byte) (ModelDescription, error) {
	desc := ModelDescription{}
	if err := xml.Unmarshal(data, &desc); err != nil {
		return ModelDescription{}, fmt.Errorf("parse model description: %w", err)
	}
	return desc, nil
}

// LoadModelDescription reads a model description from a modelDescription.xml
// file or from the root of a .fmu archive.
func LoadModelDescription(path string) (ModelDescription, error) {
	if strings.EqualFold(filepath.Ext(path), ".fmu") {
		return loadFromArchive(path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ModelDescription{}, err
	}
	return ParseModelDescription(data)
}

func loadFromArchive(path string) (ModelDescription, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return ModelDescription{}, err
	}
	defer r.Close()

	for _, f := range r.File {
		if f.Name != modelDescriptionFile {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return ModelDescription{}, err
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return ModelDescription{}, err
		}
		return ParseModelDescription(data)
	}
	return ModelDescription{}, fmt.Errorf("%v: %w", path, ErrNoModelDescription)
}
