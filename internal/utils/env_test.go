//
// Copyright 2023 BuildXL Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetEnvVarInfoSplitsNameAndValue(t *testing.T) {
	name, value, err := GetEnvVarInfo("LD_PRELOAD=/opt/detours.so")
	assert.NoError(t, err)
	assert.Equal(t, "LD_PRELOAD", name)
	assert.Equal(t, "/opt/detours.so", value)
}

func TestGetEnvVarInfoPreservesEqualsInValue(t *testing.T) {
	_, value, err := GetEnvVarInfo("OPTS=a=b=c")
	assert.NoError(t, err)
	assert.Equal(t, "a=b=c", value)
}

func TestGetEnvVarInfoRejectsMissingEquals(t *testing.T) {
	_, _, err := GetEnvVarInfo("NOEQUALS")
	assert.Error(t, err)
}

func TestCmdExistsFindsShellBinary(t *testing.T) {
	assert.True(t, CmdExists("sh"))
}

func TestCmdExistsRejectsUnknownCommand(t *testing.T) {
	assert.False(t, CmdExists("this-command-does-not-exist-anywhere"))
}
