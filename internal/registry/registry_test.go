package registry

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/srg/blescope/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type RegistryTestSuite struct {
	suite.Suite
	reg *Registry
}

func (suite *RegistryTestSuite) SetupTest() {
	suite.reg = New()
}

func (suite *RegistryTestSuite) TestGetUnknown() {
	d, ok := suite.reg.Get("missing")

	suite.False(ok, "unknown id MUST report absent")
	suite.Nil(d)
}

func (suite *RegistryTestSuite) TestMergeCreatesRecord() {
	d := suite.reg.Merge("a", &device.Patch{LocalName: device.Ptr("Sensor")})

	suite.Equal("a", d.ID)
	suite.Equal("Sensor", d.LocalName)
	suite.NotNil(d.ServiceUUIDs, "new record MUST start with an empty service list")

	got, ok := suite.reg.Get("a")
	suite.Require().True(ok)
	suite.Equal("Sensor", got.LocalName)
}

func (suite *RegistryTestSuite) TestMergeIsFieldLevelLastWriterWins() {
	// GOAL: Verify random merge sequences leave each field at its last supplied value
	//
	// TEST SCENARIO: Random patches over a few fields → expected state tracked per field → registry matches

	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 50; round++ {
		id := fmt.Sprintf("dev-%d", round)
		var wantName string
		var wantRSSI *int
		var wantConnected bool
		var wantStatus device.ConnectionStatus

		for step := 0; step < 20; step++ {
			p := &device.Patch{}
			if rng.Intn(2) == 0 {
				wantName = fmt.Sprintf("name-%d", step)
				p.LocalName = device.Ptr(wantName)
			}
			if rng.Intn(2) == 0 {
				v := -rng.Intn(100)
				wantRSSI = &v
				p.LastRSSI = device.Ptr(v)
			}
			if rng.Intn(3) == 0 {
				wantConnected = rng.Intn(2) == 0
				p.Connected = device.Ptr(wantConnected)
			}
			if rng.Intn(3) == 0 {
				statuses := []device.ConnectionStatus{device.StatusConnecting, device.StatusConnected, device.StatusError, device.StatusDisconnected}
				wantStatus = statuses[rng.Intn(len(statuses))]
				p.ConnectionStatus = device.Ptr(wantStatus)
			}
			suite.reg.Merge(id, p)
		}

		got, ok := suite.reg.Get(id)
		suite.Require().True(ok)
		suite.Equal(wantName, got.LocalName)
		if wantRSSI == nil {
			suite.Nil(got.LastRSSI)
		} else {
			suite.Require().NotNil(got.LastRSSI)
			suite.Equal(*wantRSSI, *got.LastRSSI)
		}
		suite.Equal(wantConnected, got.Connected)
		suite.Equal(wantStatus, got.ConnectionStatus)
	}
}

func (suite *RegistryTestSuite) TestListIsIndependentSnapshot() {
	suite.reg.Merge("a", &device.Patch{LocalName: device.Ptr("A")})
	suite.reg.Merge("b", &device.Patch{LocalName: device.Ptr("B")})

	list := suite.reg.List()
	suite.Require().Len(list, 2)
	suite.Equal("a", list[0].ID, "list MUST follow first-seen order")
	suite.Equal("b", list[1].ID)

	list[0].LocalName = "mutated"
	suite.reg.Merge("c", &device.Patch{})

	got, _ := suite.reg.Get("a")
	suite.Equal("A", got.LocalName, "mutating a snapshot MUST NOT affect the registry")
	suite.Len(list, 2, "later merges MUST NOT appear in an earlier snapshot")
	suite.Equal(3, suite.reg.Len())
}

func (suite *RegistryTestSuite) TestUpdateSeesCurrentState() {
	suite.reg.Merge("a", &device.Patch{ConnectionStatus: device.Ptr(device.StatusConnecting)})

	d := suite.reg.Update("a", func(current *device.Device) *device.Patch {
		suite.Require().NotNil(current)
		if current.ConnectionStatus != device.StatusConnecting {
			return nil
		}
		return &device.Patch{ConnectionStatus: device.Ptr(device.StatusError)}
	})
	suite.Equal(device.StatusError, d.ConnectionStatus)

	d = suite.reg.Update("a", func(current *device.Device) *device.Patch {
		if current.ConnectionStatus != device.StatusConnecting {
			return nil
		}
		return &device.Patch{ConnectionStatus: device.Ptr(device.StatusConnected)}
	})
	suite.Equal(device.StatusError, d.ConnectionStatus, "nil patch MUST leave the record unchanged")

	d = suite.reg.Update("new", func(current *device.Device) *device.Patch { return nil })
	suite.Nil(d)
	suite.Equal(1, suite.reg.Len(), "nil patch for an unknown id MUST NOT create a record")
}

func TestRegistryTestSuite(t *testing.T) {
	suite.Run(t, new(RegistryTestSuite))
}

func TestRegistry_ConcurrentMerges(t *testing.T) {
	reg := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				reg.Merge("shared", &device.Patch{LastRSSI: device.Ptr(-j)})
				_ = reg.List()
			}
		}(i)
	}
	wg.Wait()

	d, ok := reg.Get("shared")
	require.True(t, ok)
	assert.NotNil(t, d.LastRSSI)
	assert.Equal(t, 1, reg.Len())
}
