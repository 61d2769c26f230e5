/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package launcher

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// BuildArgs renders the command line for a server process.  The verbosity
// flag comes first, then every --setParameter pair, then the remaining
// options sorted by name.  Options with an empty value are rendered as bare
// flags.
func BuildArgs(verbosity int, setParameters map[string]interface{}, options map[string]string) []string {
	var args []string

	if verbosity > 0 {
		args = append(args, "-"+strings.Repeat("v", verbosity))
	}

	paramNames := sortedKeys(setParameters)
	for _, name := range paramNames {
		args = append(args, "--setParameter", name+"="+formatParameter(setParameters[name]))
	}

	optionNames := sortedKeys(options)
	for _, name := range optionNames {
		args = append(args, "--"+name)
		if value := options[name]; value != "" {
			args = append(args, value)
		}
	}

	return args
}

func formatParameter(value interface{}) string {
	switch v := value.(type) {
	case bool:
		return strconv.FormatBool(v)
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
