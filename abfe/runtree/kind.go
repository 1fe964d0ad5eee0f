package runtree

import (
	"fmt"
	"strings"

	"github.com/ensequil/ensequil/abfe"
)

// Kind names a node variant; it is also the stem of the node's snapshot and log files.
type Kind string

const (
	KindCalculation  Kind = "Calculation"
	KindLeg          Kind = "Leg"
	KindStage        Kind = "Stage"
	KindLambdaWindow Kind = "LambdaWindow"
	KindSimulation   Kind = "Simulation"
)

// LegType selects the thermodynamic branch of a leg.
type LegType string

const (
	LegBound LegType = "bound"
	LegFree  LegType = "free"
)

// DGMultiplier is the sign with which the leg enters the calculation total.
func (t LegType) DGMultiplier() int {
	if t == LegBound {
		return -1
	}
	return 1
}

// StageType selects the alchemical transformation of a stage.
type StageType string

const (
	StageRestrain  StageType = "restrain"
	StageDischarge StageType = "discharge"
	StageVanish    StageType = "vanish"
)

// RequiredStages lists the stages of each leg type, in run order.
var RequiredStages = map[LegType][]StageType{
	LegBound: {StageRestrain, StageDischarge, StageVanish},
	LegFree:  {StageDischarge, StageVanish},
}

// DefaultLambdaValues are the starting λ windows of each leg and stage.
var DefaultLambdaValues = map[LegType]map[StageType][]float64{
	LegBound: {
		StageRestrain:  {0.000, 0.125, 0.250, 0.375, 0.500, 1.000},
		StageDischarge: {0.000, 0.143, 0.286, 0.429, 0.571, 0.714, 0.857, 1.000},
		StageVanish: {0.000, 0.025, 0.050, 0.075, 0.100, 0.125, 0.150, 0.175, 0.200, 0.225,
			0.250, 0.275, 0.300, 0.325, 0.350, 0.375, 0.400, 0.425, 0.450, 0.475,
			0.500, 0.525, 0.550, 0.575, 0.600, 0.625, 0.650, 0.675, 0.700, 0.725,
			0.750, 0.800, 0.850, 0.900, 0.950, 1.000},
	},
	LegFree: {
		StageDischarge: {0.000, 0.143, 0.286, 0.429, 0.571, 0.714, 0.857, 1.000},
		StageVanish: {0.000, 0.028, 0.056, 0.111, 0.167, 0.222, 0.278, 0.333, 0.389,
			0.444, 0.500, 0.556, 0.611, 0.667, 0.722, 0.778, 0.889, 1.000},
	},
}

// PreparationStage is how far the input system has been prepared.
// Later stages need fewer external preparation steps.
type PreparationStage int

const (
	PrepStructuresOnly PreparationStage = iota
	PrepParameterised
	PrepSolvated
	PrepMinimised
	PrepPreequilibrated
)

var prepNames = []string{"structures_only", "parameterised", "solvated", "minimised", "preequilibrated"}

func (p PreparationStage) String() string {
	if int(p) < len(prepNames) {
		return prepNames[p]
	}
	return fmt.Sprintf("PreparationStage(%d)", int(p))
}

// FileSuffix is appended to the leg name in the prepared input files.
func (p PreparationStage) FileSuffix() string {
	switch p {
	case PrepParameterised:
		return "_param"
	case PrepSolvated:
		return "_solv"
	case PrepMinimised:
		return "_min"
	case PrepPreequilibrated:
		return "_preequil"
	default:
		return ""
	}
}

// RequiredInputFiles lists the files a leg's input directory must hold to
// start from this preparation stage.
func (p PreparationStage) RequiredInputFiles(leg LegType) []string {
	files := []string{"run_somd.sh", "template_config.cfg"}
	if p == PrepStructuresOnly {
		if leg == LegBound {
			return append(files, "protein.pdb", "ligand.sdf")
		}
		return append(files, "ligand.sdf")
	}
	stem := string(leg) + p.FileSuffix()
	return append(files, stem+".prm7", stem+".rst7")
}

// validateDGMultiplier accepts only ±1.
func validateDGMultiplier(m int) error {
	if m != 1 && m != -1 {
		return fmt.Errorf("dg_multiplier must be +1 or -1, got %d: %w", m, abfe.ErrConfiguration)
	}
	return nil
}

// ParseLegType reads a leg type case-insensitively.
func ParseLegType(s string) (LegType, error) {
	switch LegType(strings.ToLower(s)) {
	case LegBound:
		return LegBound, nil
	case LegFree:
		return LegFree, nil
	}
	return "", fmt.Errorf("unknown leg type %q: %w", s, abfe.ErrConfiguration)
}
