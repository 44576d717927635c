package model

// Queue task payloads. All are JSON encoded.

type DispatchTask struct {
	MessageID string `json:"message_id"`
}

type CertificationTask struct {
	MessageID string `json:"message_id"`
}

type DistributionTask struct {
	MessageID       string `json:"message_id"`
	CertificatePath string `json:"certificate_path"`
	RecipientEmail  string `json:"recipient_email"`
	RemoteDirectory string `json:"remote_directory"`
}
