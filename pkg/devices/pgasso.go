package devices

// SupportLevel rates how well a plugin supports a device, as inferred
// from the (vendor, model, version) triple the identification pipeline
// observed.
type SupportLevel int

// Support levels, from none to an exact match of the tested firmware.
const (
	NoSupport         SupportLevel = 0
	ImprobableSupport SupportLevel = 2
	ProbableSupport   SupportLevel = 4
	IncompleteSupport SupportLevel = 6
	CompleteSupport   SupportLevel = 8
	FullSupport       SupportLevel = 10
)

func (l SupportLevel) String() string {
	switch l {
	case NoSupport:
		return "no"
	case ImprobableSupport:
		return "improbable"
	case ProbableSupport:
		return "probable"
	case IncompleteSupport:
		return "incomplete"
	case CompleteSupport:
		return "complete"
	case FullSupport:
		return "full"
	}
	return "unknown"
}

// Associator rates the support of one plugin for a device.
type Associator interface {
	// Associate returns the support level for the device described by
	// devInfo, typically carrying vendor, model and version keys.
	Associate(devInfo map[string]interface{}) SupportLevel
}

// AssociateFunc rates (vendor, model, version) triples. Model and
// version are empty when the pipeline did not observe them.
type AssociateFunc func(vendor, model, version string) SupportLevel

// BaseAssociator adapts a vendor-specific rating function to the
// Associator interface. Device info without a vendor is rated
// improbable without consulting the function.
type BaseAssociator struct {
	do AssociateFunc
}

// NewBaseAssociator creates an associator from a rating function.
func NewBaseAssociator(do AssociateFunc) *BaseAssociator {
	return &BaseAssociator{do: do}
}

// Associate implements Associator.
func (a *BaseAssociator) Associate(devInfo map[string]interface{}) SupportLevel {
	vendor, ok := devInfo["vendor"].(string)
	if !ok || vendor == "" {
		return ImprobableSupport
	}
	model, _ := devInfo["model"].(string)
	version, _ := devInfo["version"].(string)
	return a.do(vendor, model, version)
}
