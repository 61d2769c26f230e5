package provisioning

import "errors"

var (
	ErrWriteConcernTimeout = errors.New("write concern timed out")
	ErrNoPrimary           = errors.New("no primary found")
)
