// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package fleet

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/dustin/go-humanize"
)

// ByteSize is a size in bytes that can be written as "50GiB" or
// "512MB" in a config file.
type ByteSize int64

func (n *ByteSize) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || data[0] != '"' {
		var i int64
		err := json.Unmarshal(data, &i)
		if err != nil {
			return err
		}
		*n = ByteSize(i)
		return nil
	}
	var s string
	err := json.Unmarshal(data, &s)
	if err != nil {
		return err
	}
	v, err := humanize.ParseBytes(s)
	if err != nil {
		return fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	if v > math.MaxInt64 {
		return fmt.Errorf("size %q overflows int64", s)
	}
	*n = ByteSize(v)
	return nil
}

func (n ByteSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(n.String())
}

// String returns a human-readable IEC representation like "50 GiB".
func (n ByteSize) String() string {
	return humanize.IBytes(uint64(n))
}

// Mebibytes returns the size in MiB, rounded up, which is the unit
// sbatch --mem expects by default.
func (n ByteSize) Mebibytes() int64 {
	return int64(math.Ceil(float64(n) / 1048576))
}
