package db

import "os"

func StoresTableName() string {
	return os.Getenv("STORES_TABLE")
}

func OrdersTableName() string {
	return os.Getenv("ORDERS_TABLE")
}

func ILSOrdersTableName() string {
	return os.Getenv("ILS_ORDERS_TABLE")
}

func PatientsTableName() string {
	return os.Getenv("PATIENTS_TABLE")
}

func WebhookLogsTableName() string {
	return os.Getenv("WEBHOOK_LOGS_TABLE")
}

func ProductMappingsTableName() string {
	return os.Getenv("PRODUCT_MAPPINGS_TABLE")
}

func OAuthStateTableName() string {
	return os.Getenv("OAUTH_STATE_TABLE")
}

func CompaniesTableName() string {
	return os.Getenv("COMPANIES_TABLE")
}
