package gates

import (
	"strings"

	"readerforge/internal/artifact"
)

// Bounds keep chemistry blocks at reader scale; a grade-school reader has
// no business rendering a 200-atom structure.
const (
	maxSMILESAtoms = 100
	maxSMILESBonds = 120
	maxSMILESRings = 12
)

// twoLetterAtoms of the organic subset, checked before single letters.
var twoLetterAtoms = []string{"Cl", "Br"}

// singleLetterAtoms of the organic subset. Lowercase aromatic forms are
// accepted for the aromatic subset.
var singleLetterAtoms = map[byte]bool{
	'B': true, 'C': true, 'N': true, 'O': true, 'P': true, 'S': true,
	'F': true, 'I': true,
	'b': true, 'c': true, 'n': true, 'o': true, 'p': true, 's': true,
}

// SMILESGate checks chemistry strings: valid atoms only, paired ring-bond
// digits, allowed punctuation, and size bounds.
type SMILESGate struct{}

// NewSMILESGate builds the gate.
func NewSMILESGate() *SMILESGate { return &SMILESGate{} }

func (g *SMILESGate) ID() string { return "smiles" }

func (g *SMILESGate) Validate(input interface{}) Result {
	smiles, ok := smilesSource(input)
	if !ok {
		return skip("smiles gate: input carries no SMILES string")
	}
	issues := CheckSMILES(smiles)
	if len(issues) > 0 {
		return fail(issues...)
	}
	return pass()
}

func smilesSource(input interface{}) (string, bool) {
	switch v := input.(type) {
	case string:
		return v, v != ""
	case artifact.ChemSpec:
		return v.SMILES, v.SMILES != ""
	case *artifact.ChemSpec:
		return v.SMILES, v != nil && v.SMILES != ""
	case artifact.ContentBlock:
		return v.SMILES, v.Kind == artifact.BlockChemistry && v.SMILES != ""
	case *artifact.ContentBlock:
		return v.SMILES, v != nil && v.Kind == artifact.BlockChemistry && v.SMILES != ""
	case artifact.AssetSpec:
		if v.Kind == artifact.AssetChem && v.Chem != nil {
			return v.Chem.SMILES, v.Chem.SMILES != ""
		}
	case *artifact.AssetSpec:
		if v != nil && v.Kind == artifact.AssetChem && v.Chem != nil {
			return v.Chem.SMILES, v.Chem.SMILES != ""
		}
	}
	return "", false
}

// CheckSMILES scans one SMILES string and returns every finding. Exported
// for the repair engine.
func CheckSMILES(smiles string) []Issue {
	var issues []Issue

	atoms := 0
	bonds := 0
	parenDepth := 0
	openRings := map[byte]int{}
	ringsSeen := 0

	i := 0
	for i < len(smiles) {
		c := smiles[i]
		switch {
		case hasTwoLetterAtomAt(smiles, i):
			atoms++
			i += 2
		case singleLetterAtoms[c]:
			atoms++
			i++
		case c == '[':
			end := strings.IndexByte(smiles[i:], ']')
			if end < 0 {
				issues = append(issues, issue(KindSMILESInvalid, "unclosed bracket atom at %d", i))
				i = len(smiles)
				break
			}
			atoms++
			i += end + 1
		case c >= '1' && c <= '9':
			if _, open := openRings[c]; open {
				delete(openRings, c)
			} else {
				openRings[c] = i
				ringsSeen++
			}
			bonds++
			i++
		case c == '=' || c == '#' || c == '-' || c == '/' || c == '\\':
			bonds++
			i++
		case c == '(':
			parenDepth++
			i++
		case c == ')':
			parenDepth--
			if parenDepth < 0 {
				issues = append(issues, issue(KindSMILESInvalid, "unmatched closing parenthesis at %d", i))
				parenDepth = 0
			}
			i++
		case c == '.' || c == '+' || c == '@' || c == '%':
			i++
		default:
			issues = append(issues, issue(KindSMILESInvalid, "disallowed character %q at %d", string(rune(c)), i))
			i++
		}
	}

	// Implicit single bonds between adjacent atoms.
	if atoms > 1 {
		bonds += atoms - 1
	}

	if parenDepth > 0 {
		issues = append(issues, issue(KindSMILESInvalid, "%d unclosed branch parenthesis(es)", parenDepth))
	}
	for digit := range openRings {
		issues = append(issues, issue(KindSMILESInvalid, "ring bond %c never closes", digit))
	}
	if atoms == 0 {
		issues = append(issues, issue(KindSMILESInvalid, "no atoms"))
	}
	if atoms > maxSMILESAtoms {
		issues = append(issues, issue(KindSMILESInvalid, "%d atoms exceeds bound %d", atoms, maxSMILESAtoms))
	}
	if bonds > maxSMILESBonds {
		issues = append(issues, issue(KindSMILESInvalid, "%d bonds exceeds bound %d", bonds, maxSMILESBonds))
	}
	if ringsSeen > maxSMILESRings {
		issues = append(issues, issue(KindSMILESInvalid, "%d rings exceeds bound %d", ringsSeen, maxSMILESRings))
	}
	return issues
}

func hasTwoLetterAtomAt(s string, i int) bool {
	for _, atom := range twoLetterAtoms {
		if strings.HasPrefix(s[i:], atom) {
			return true
		}
	}
	return false
}
