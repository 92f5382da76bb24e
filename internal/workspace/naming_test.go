// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package workspace

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNamingChain(t *testing.T) {
	raw := "/lights/IC1396_Ha_300s.fits"
	assert.Equal(t, "IC1396_Ha_300s_c.xisf", CalibratedName(raw))
	assert.Equal(t, "IC1396_Ha_300s_c_cc.xisf", CosmeticName("IC1396_Ha_300s_c.xisf"))
	assert.Equal(t, "IC1396_Ha_300s_c_cc_d.xisf", DebayeredName("IC1396_Ha_300s_c_cc.xisf"))
	assert.Equal(t, "IC1396_Ha_300s_c_cc_d_a.xisf", ApprovedName("IC1396_Ha_300s_c_cc_d.xisf"))
	assert.Equal(t, "!3_IC1396_Ha_300s_a.xisf", BestNName("IC1396_Ha_300s.xisf", 3))
	assert.Equal(t, "IC1396_Ha_300s_a_r.xisf", RegisteredName("IC1396_Ha_300s_a.xisf"))
	assert.Equal(t, "IC1396_Ha_300s_a_r.xdrz", RegisteredDrizzleSidecar("IC1396_Ha_300s_a_r.xisf"))
	assert.Equal(t, "IC1396_Ha_300s_a_r.xnml", NormalizedSidecar("IC1396_Ha_300s_a_r.xisf"))
}

func TestSidecarNamesKeepDirectory(t *testing.T) {
	registered := "/work/approvedSet/IC1396_Ha_300s_a_r.xisf"
	assert.Equal(t, "/work/approvedSet/IC1396_Ha_300s_a_r.xdrz", RegisteredDrizzleSidecar(registered))
	assert.Equal(t, "/work/approvedSet/IC1396_Ha_300s_a_r.xnml", NormalizedSidecar(registered))
}

func TestIntegratedNameUsesNoneForCFAGroups(t *testing.T) {
	name := IntegratedName("M42", "", 12, 2.5, 2)
	assert.Equal(t, "M42_NONE_12x2.5s_drz2x.xisf", name)
}

func TestMasterNameOmitsFilterForDarkKind(t *testing.T) {
	usb := 50
	name := MasterName("AP102", "QHY268M", "Dark", 2024, 3, 15, "", "High Gain Mode 16BIT", 100, 30, &usb, "1x1", 300, -10, true)
	assert.Equal(t, "AP102_QHY268M_MasterDark_2024_03_15_High_Gain_Mode_16BIT_G100_OS30_U50_Bin1x1_300s_-10C.xisf", name)
}

func TestMasterNameIncludesFilterForFlatKind(t *testing.T) {
	name := MasterName("AP102", "QHY268M", "Flat", 2024, 3, 15, "Ha", "High Gain Mode 16BIT", 100, 30, nil, "1x1", 2.5, -10, false)
	assert.Contains(t, name, "_Ha_")
	assert.Contains(t, name, "_2.5s_")
	assert.NotContains(t, name, "_U")
}

func TestSanitizeReplacesHostileCharacters(t *testing.T) {
	assert.Equal(t, "AP102_QHY268M", Sanitize("AP102|QHY268M"))
	assert.Equal(t, "High_Gain_Mode_16BIT", Sanitize("High Gain Mode 16BIT"))
}
