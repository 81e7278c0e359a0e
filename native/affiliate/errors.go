package affiliate

import "errors"

var (
	ErrAlreadyRoot                = errors.New("affiliate: wallet already roots a tree")
	ErrAlreadyMember              = errors.New("affiliate: wallet already belongs to a tree")
	ErrNotInTree                  = errors.New("affiliate: referrer not found in any tree")
	ErrCycle                      = errors.New("affiliate: attachment would re-link an existing member")
	ErrTreeNotFound               = errors.New("affiliate: tree not found")
	ErrTreeInactive               = errors.New("affiliate: tree is inactive")
	ErrNodeNotFound               = errors.New("affiliate: node not found")
	ErrInvalidPercent             = errors.New("affiliate: percent out of range")
	ErrInsufficientRootCommission = errors.New("affiliate: percent below minimum required by descendants")
	ErrInvalidPercentOrdering     = errors.New("affiliate: level percents must be strictly decreasing")
	ErrLevelNotFound              = errors.New("affiliate: level not configured")
)
