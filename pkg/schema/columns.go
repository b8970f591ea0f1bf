package schema

// ContactColumn is a header key exportable for contacts.
type ContactColumn string

const (
	ContactID            ContactColumn = "id"
	ContactName          ContactColumn = "name"
	ContactFirstName     ContactColumn = "first_name"
	ContactLastName      ContactColumn = "last_name"
	ContactEmail         ContactColumn = "email"
	ContactPhone         ContactColumn = "phone"
	ContactJobTitle      ContactColumn = "job_title"
	ContactSeniority     ContactColumn = "seniority"
	ContactDepartment    ContactColumn = "department"
	ContactCity          ContactColumn = "city"
	ContactCountry       ContactColumn = "country"
	ContactLinkedInURL   ContactColumn = "linkedin_url"
	ContactCompanyName   ContactColumn = "company_name"
	ContactCompanyDomain ContactColumn = "company_domain"
	ContactCreatedAt     ContactColumn = "created_at"
	ContactUpdatedAt     ContactColumn = "updated_at"
)

var contactColumns = []ContactColumn{
	ContactID, ContactName, ContactFirstName, ContactLastName, ContactEmail, ContactPhone,
	ContactJobTitle, ContactSeniority, ContactDepartment, ContactCity, ContactCountry,
	ContactLinkedInURL, ContactCompanyName, ContactCompanyDomain, ContactCreatedAt, ContactUpdatedAt,
}

// Expr returns the projection expression for the column. Adding a constant without a case
// here leaves it out of the whitelist.
func (c ContactColumn) Expr() (string, bool) {
	switch c {
	case ContactID:
		return "c.id", true
	case ContactName:
		return "c.name", true
	case ContactFirstName:
		return "c.first_name", true
	case ContactLastName:
		return "c.last_name", true
	case ContactEmail:
		return "c.email", true
	case ContactPhone:
		return "c.phone", true
	case ContactJobTitle:
		return "c.job_title", true
	case ContactSeniority:
		return "c.seniority", true
	case ContactDepartment:
		return "c.department", true
	case ContactCity:
		return "c.city", true
	case ContactCountry:
		return "c.country", true
	case ContactLinkedInURL:
		return "c.linkedin_url", true
	case ContactCompanyName:
		return "co.name", true
	case ContactCompanyDomain:
		return "co.domain", true
	case ContactCreatedAt:
		return "c.created_at", true
	case ContactUpdatedAt:
		return "c.updated_at", true
	}
	return "", false
}

// CompanyColumn is a header key exportable for companies.
type CompanyColumn string

const (
	CompanyID           CompanyColumn = "id"
	CompanyName         CompanyColumn = "name"
	CompanyDomain       CompanyColumn = "domain"
	CompanyIndustry     CompanyColumn = "industry"
	CompanySize         CompanyColumn = "size"
	CompanyCity         CompanyColumn = "city"
	CompanyCountry      CompanyColumn = "country"
	CompanyFoundedYear  CompanyColumn = "founded_year"
	CompanyLinkedInURL  CompanyColumn = "linkedin_url"
	CompanyContactCount CompanyColumn = "contact_count"
	CompanyCreatedAt    CompanyColumn = "created_at"
	CompanyUpdatedAt    CompanyColumn = "updated_at"
)

var companyColumns = []CompanyColumn{
	CompanyID, CompanyName, CompanyDomain, CompanyIndustry, CompanySize, CompanyCity, CompanyCountry,
	CompanyFoundedYear, CompanyLinkedInURL, CompanyContactCount, CompanyCreatedAt, CompanyUpdatedAt,
}

func (c CompanyColumn) Expr() (string, bool) {
	switch c {
	case CompanyID:
		return "co.id", true
	case CompanyName:
		return "co.name", true
	case CompanyDomain:
		return "co.domain", true
	case CompanyIndustry:
		return "co.industry", true
	case CompanySize:
		return "co.size", true
	case CompanyCity:
		return "co.city", true
	case CompanyCountry:
		return "co.country", true
	case CompanyFoundedYear:
		return "co.founded_year", true
	case CompanyLinkedInURL:
		return "co.linkedin_url", true
	case CompanyContactCount:
		return "(SELECT COUNT(*) FROM contacts ct WHERE ct.company_id = co.id)", true
	case CompanyCreatedAt:
		return "co.created_at", true
	case CompanyUpdatedAt:
		return "co.updated_at", true
	}
	return "", false
}
