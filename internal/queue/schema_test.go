package queue

import "testing"

func TestValidateSchemaHeaderFromBytes(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{
			name:    "valid job queue",
			content: `{"schema_version": 1, "file_type": "job_queue", "jobs": []}`,
		},
		{
			name:    "missing file_type",
			content: `{"schema_version": 1}`,
			wantErr: true,
		},
		{
			name:    "zero schema version",
			content: `{"schema_version": 0, "file_type": "job_queue"}`,
			wantErr: true,
		},
		{
			name:    "future schema version",
			content: `{"schema_version": 99, "file_type": "job_queue"}`,
			wantErr: true,
		},
		{
			name:    "unknown file type",
			content: `{"schema_version": 1, "file_type": "grocery_list"}`,
			wantErr: true,
		},
		{
			name:    "not json",
			content: `schema_version: 1`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSchemaHeaderFromBytes([]byte(tt.content), FileTypeJobQueue)
			if (err != nil) != tt.wantErr {
				t.Errorf("got err=%v, wantErr=%t", err, tt.wantErr)
			}
		})
	}
}

func TestNeedsMigration(t *testing.T) {
	if NeedsMigration(CurrentSchemaVersion) {
		t.Error("current version needs no migration")
	}
	if !NeedsMigration(0) {
		t.Error("older versions need migration")
	}
}
