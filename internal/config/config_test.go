package config

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapeforge/lrs/internal/dispatch"
	"github.com/tapeforge/lrs/internal/model"
	"github.com/tapeforge/lrs/internal/priority"
)

func TestSchedAlgoSetRejectsUnknownValues(t *testing.T) {
	var a SchedAlgo
	assert.NoError(t, a.Set("grouped_read"))
	assert.Equal(t, AlgoGroupedRead, a)
	assert.Error(t, a.Set("round_robin"))
}

func TestSchedAlgoFactoryNameAccountsForOrderedFlag(t *testing.T) {
	assert.Equal(t, "fifo", AlgoFIFO.FactoryName(false))
	assert.Equal(t, "grouped", AlgoGroupedRead.FactoryName(false))
	assert.Equal(t, "ordered_grouped_read", AlgoGroupedRead.FactoryName(true))
}

func TestPriorityAlgoSetRejectsUnknownValues(t *testing.T) {
	var a PriorityAlgo
	assert.NoError(t, a.Set("round_robin"))
	assert.Equal(t, PriorityRoundRobin, a)
	assert.Error(t, a.Set("lifo"))
}

func TestPriorityAlgoSelectorBuildsMatchingSelector(t *testing.T) {
	assert.IsType(t, &priority.RoundRobin{}, PriorityRoundRobin.Selector())
	assert.IsType(t, priority.FIFO{}, PriorityFIFO.Selector())
}

func TestFinalizeParsesDispatchAlgoFlag(t *testing.T) {
	cfg := New()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.AddFlags(fs)
	require.NoError(t, fs.Parse([]string{"--dispatch-algo=fair_share"}))

	require.NoError(t, cfg.Finalize())
	assert.Equal(t, dispatch.FairShare, cfg.DispatchAlgo)
}

func TestFinalizeRejectsUnknownDispatchAlgo(t *testing.T) {
	cfg := New()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.AddFlags(fs)
	require.NoError(t, fs.Parse([]string{"--dispatch-algo=bogus"}))

	assert.Error(t, cfg.Finalize())
}

func TestFinalizeParsesPerFamilySyncThresholds(t *testing.T) {
	cfg := New()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.AddFlags(fs)
	require.NoError(t, fs.Parse([]string{"--sync-threshold=tape=500ms,8,64"}))

	require.NoError(t, cfg.Finalize())
	th, ok := cfg.SyncThresholds[model.FamilyTape]
	require.True(t, ok)
	assert.Equal(t, 8, th.QueueLength)
	assert.Equal(t, int64(64*1024), th.WriteSizeThreshold)
}

func TestFinalizeParsesFairShareMinAndMaxIntoSameEntry(t *testing.T) {
	cfg := New()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.AddFlags(fs)
	require.NoError(t, fs.Parse([]string{
		"--fair-share-min=LTO8=1,1,0",
		"--fair-share-max=LTO8=5,5,1",
	}))

	require.NoError(t, cfg.Finalize())
	th, ok := cfg.FairShare["LTO8"]
	require.True(t, ok)
	assert.Equal(t, [3]int{1, 1, 0}, th.Min)
	assert.Equal(t, [3]int{5, 5, 1}, th.Max)
}

func TestFinalizeParsesTechDrives(t *testing.T) {
	cfg := New()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.AddFlags(fs)
	require.NoError(t, fs.Parse([]string{"--tech-drives=LTO8=ULT3580-TD8,IBM-TS1160"}))

	require.NoError(t, cfg.Finalize())
	assert.Equal(t, []string{"ULT3580-TD8", "IBM-TS1160"}, cfg.Technologies["LTO8"])
}

func TestFinalizeRejectsMalformedTriple(t *testing.T) {
	cfg := New()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.AddFlags(fs)
	require.NoError(t, fs.Parse([]string{"--fair-share-min=LTO8=1,1"}))

	assert.Error(t, cfg.Finalize())
}
