// Licensed under the MIT License. See LICENSE file in the project root for details.

package index

// Events receives notifications about structural changes. Implementations
// must be safe for concurrent use and must not call back into the index.
type Events interface {
	RecordSplit(localDepth uint64)
	RecordDoubling(globalDepth uint64)
	RecordHalving(globalDepth uint64)
	RecordStashInsert()
	RecordDisplacement()
	RecordRetry()
}

type noopEvents struct{}

func (noopEvents) RecordSplit(uint64)    {}
func (noopEvents) RecordDoubling(uint64) {}
func (noopEvents) RecordHalving(uint64)  {}
func (noopEvents) RecordStashInsert()    {}
func (noopEvents) RecordDisplacement()   {}
func (noopEvents) RecordRetry()          {}
