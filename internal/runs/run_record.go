package runs

import "time"

// RunRecord persists one remote run using GORM.
type RunRecord struct {
	ID          string `gorm:"primaryKey;size:36"`
	Formula     string `gorm:"type:text;not null"`
	SObject     string `gorm:"size:128"`
	Status      Status `gorm:"size:32;index"`
	StepCount   int
	Fallback    string    `gorm:"type:text"`
	ErrorText   string    `gorm:"type:text"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
	CompletedAt *time.Time `gorm:"index"`

	Steps []StepResultRecord `gorm:"foreignKey:RunID;constraint:OnDelete:CASCADE"`
}

// TableName isolates run persistence from application tables.
func (RunRecord) TableName() string {
	return "_formula_runs"
}

// StepResultRecord holds the remote value reported for one step of a run.
type StepResultRecord struct {
	RunID      string `gorm:"primaryKey;size:36"`
	StepIndex  int    `gorm:"primaryKey"`
	Expression string `gorm:"type:text"`
	Value      *string
}

// TableName isolates step persistence from application tables.
func (StepResultRecord) TableName() string {
	return "_formula_run_steps"
}
