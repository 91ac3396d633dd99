package models

// Resource is the configuration-time description of a managed machine.
// Immutable after config load.
type Resource struct {
	ID          ResourceID `json:"id"`
	Description string     `json:"description,omitempty"`

	// Permission required to know the resource exists, to read its state,
	// to use it, and to administer it.
	DisclosePerm string `json:"disclose_perm"`
	ReadPerm     string `json:"read_perm"`
	WritePerm    string `json:"write_perm"`
	ManagePerm   string `json:"manage_perm"`

	// Rule granted to anonymous initiator proposals on this resource.
	// Empty means anonymous proposals are always denied.
	InitiatorDefaultPerm string `json:"initiator_default_perm,omitempty"`
}
