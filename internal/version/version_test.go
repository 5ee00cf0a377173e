package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		input   string
		want    Version
		wantErr bool
	}{
		{name: "three segments", input: "1.2.3", want: Version{1, 2, 3, 0}},
		{name: "four segments", input: "1.2.3.4", want: Version{1, 2, 3, 4}},
		{name: "leading v", input: "v1.2.3.4", want: Version{1, 2, 3, 4}},
		{name: "two segments rejected", input: "1.2", wantErr: true},
		{name: "five segments rejected", input: "1.2.3.4.5", wantErr: true},
		{name: "non integer rejected", input: "1.2.x", wantErr: true},
		{name: "negative rejected", input: "1.-2.3", wantErr: true},
		{name: "empty rejected", input: "", wantErr: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := Parse(tc.input)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCompareDetailed(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		local  string
		remote string
		want   Outcome
	}{
		{name: "identical", local: "1.2.3.4", remote: "1.2.3.4", want: Equal},
		{name: "local ahead on build", local: "1.2.3.5", remote: "1.2.3.4", want: Newer},
		{name: "patch upgradeable", local: "1.2.3.4", remote: "1.2.3.5", want: PatchUpgradeable},
		{name: "local ahead on base", local: "1.3.0.0", remote: "1.2.9.9", want: Newer},
		{name: "full upgrade required on minor", local: "1.2.3.4", remote: "1.3.0.0", want: FullUpgradeRequired},
		{name: "full upgrade required on major", local: "1.9.9.9", remote: "2.0.0.0", want: FullUpgradeRequired},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			local, err := Parse(tc.local)
			require.NoError(t, err)
			remote, err := Parse(tc.remote)
			require.NoError(t, err)
			assert.Equal(t, tc.want, local.CompareDetailed(remote))
		})
	}
}

func TestCanApplyPatch(t *testing.T) {
	t.Parallel()

	local, err := Parse("1.2.3.4")
	require.NoError(t, err)

	base, err := Parse("1.2.3")
	require.NoError(t, err)
	assert.True(t, local.CanApplyPatch(base))

	otherBase, err := Parse("1.2.4")
	require.NoError(t, err)
	assert.False(t, local.CanApplyPatch(otherBase))
}

func TestShortAndBaseStrings(t *testing.T) {
	t.Parallel()

	v, err := Parse("1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, "1.2.3.4", v.ShortString())
	assert.Equal(t, "1.2.3", v.BaseVersionString())
}
